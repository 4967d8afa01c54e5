package main

import "github.com/andresmejia3/faceengine/cmd"

func main() {
	cmd.Execute()
}
