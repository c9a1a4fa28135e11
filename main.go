package main

import "github.com/kozaktomas/face-linker/cmd"

func main() {
	cmd.Execute()
}
