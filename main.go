package main

import "github.com/drsoft-oss/proxyhub/cmd"

func main() {
	cmd.Execute()
}
