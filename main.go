package main

import "github.com/larsgrefer/classgraph/cmd"

func main() {
	cmd.Execute()
}
