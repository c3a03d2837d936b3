package main

import "QFetch/cmd"

func main() {
	cmd.Execute()
}
