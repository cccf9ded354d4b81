package main

import "github.com/unioslo/spine/cmd/spinectl/cmd"

func main() {
	cmd.Execute()
}
