package main

import "southwinds.dev/slotvault/cli/cmd"

func main() {
	cmd.Execute()
}
