// Command specbatch runs batches of spec workers in dependency order.
package main

func main() {
	Execute()
}
