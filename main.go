package main

import "github.com/teleclaude/teleclaude/cmd"

func main() {
	cmd.Execute()
}
