package main

import "github.com/saurabhbikram/scraper/cmd"

func main() {
	cmd.Execute()
}
