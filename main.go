package main

import "github.com/andresmejia3/moodmeter/cmd"

func main() {
	cmd.Execute()
}
