package main

import "github.com/stephnangue/sessiongate/cmd"

func main() {
	cmd.Execute()
}
