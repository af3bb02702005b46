// Command captiongen trains and runs an image caption generator.
//
// Usage:
//
//	captiongen train --captions captions.txt --images images/ --out model.ckpt
//	captiongen caption --checkpoint model.ckpt --image photo.jpg
package main

import "captiongen/cmd/captiongen/cmd"

var version = "dev"

func main() {
	cmd.Version = version
	cmd.Execute()
}
