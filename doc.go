/*
Package reliq documents the reliq module.

This module is CLI-first and ships the reliq command:

	go install github.com/nuetzliches/reliq/cmd/reliq@latest

The queue, dlq, events and config packages are internal and are not a
stable public Go API.
*/
package reliq
