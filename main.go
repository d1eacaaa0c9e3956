package main

import "github.com/sandbooks/runbox/cmd"

func main() {
	cmd.Execute()
}
