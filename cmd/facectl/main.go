// Command facectl trains the identity classifier from a labelled image
// dataset and inspects saved models.
package main

func main() {
	Execute()
}
