package main

import "github.com/neurolibrelab/neurocapture/cmd"

func main() {
	cmd.Execute()
}
