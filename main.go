package main

import "rvbuild/internal/rvbuild"

func main() {
	rvbuild.Main()
}
