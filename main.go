package main

import "github.com/SimonWolf/OEEG/cmd"

func main() {
	cmd.Execute()
}
