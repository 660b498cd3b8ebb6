package main

import "github.com/reelgrab/reelgrab/cmd"

func main() {
	cmd.Execute()
}
