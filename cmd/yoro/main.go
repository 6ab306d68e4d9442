package main

import "github.com/yorozuya-cybersecurity/yorosec-webscan/pkg/cli"

func main() {
	cli.Execute()
}
