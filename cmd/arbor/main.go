package main

import "github.com/arbor-net/arbor/app"

func main() {
	app.Arbor()
}
