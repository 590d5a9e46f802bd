// Package assets implements the file operations behind the UI build tasks: mirroring
// source trees into a deployment directory, substituting placeholder tokens in copied
// files and watching source trees for changes.
package assets
