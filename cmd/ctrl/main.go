package main

import "github.com/ctrl-plane/ctrl/cmd/ctrl/cmd"

func main() {
	cmd.Execute()
}
