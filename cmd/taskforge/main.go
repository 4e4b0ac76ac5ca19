// Command taskforge submits and inspects tasks in a taskforge store.
package main

import "github.com/GoCodeAlone/taskforge/cmd/taskforge/commands"

func main() {
	commands.Execute()
}
