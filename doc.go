/*
Package toolhub documents the Toolhub module.

This module is CLI-first and ships the toolhub command:

	go install github.com/nuetzliches/toolhub/cmd/toolhub@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package toolhub
