package main

import "github.com/Ammar-Knowledge/github-for-jira/internal/cli"

func main() {
	cli.Execute()
}
