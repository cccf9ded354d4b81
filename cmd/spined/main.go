package main

import "github.com/unioslo/spine/cmd/spined/cmd"

func main() {
	cmd.Execute()
}
