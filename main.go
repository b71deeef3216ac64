package main

import (
	"github.com/f0wlerz/goblins/cmd"
)

func main() {
	cmd.Execute()
}
