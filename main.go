package main

import "github.com/crispinlab/cc-proxy/cmd"

func main() {
	cmd.Execute()
}
