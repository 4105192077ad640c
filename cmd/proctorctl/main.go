package main

import "github.com/stemsi/exstem-proctor/cmd/proctorctl/cmd"

func main() {
	cmd.Execute()
}
