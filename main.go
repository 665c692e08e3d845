package main

import "github.com/ValentinKolb/docDB/cmd"

func main() {
	cmd.Execute()
}
