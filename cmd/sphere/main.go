package main

import "github.com/nfrund/sphere/cmd/sphere/cmd"

func main() {
	cmd.Execute()
}
