package main

import "github.com/nextlevelbuilder/pairgate/cmd"

func main() {
	cmd.Execute()
}
