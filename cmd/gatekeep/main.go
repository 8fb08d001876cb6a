// Command gatekeep runs the admission-controlled HTTP dispatcher and its
// maintenance commands.
package main

func main() {
	Execute()
}
