package main

import "github.com/datajourney/etl/cmd"

func main() {
	cmd.Execute()
}
