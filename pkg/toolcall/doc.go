// Package toolcall extracts tool invocations from model responses.
//
// Two encodings are supported. Structured calls arrive as provider-native
// fields on llm.Response. Embedded-tag calls are written by the model inside
// its text:
//
//	<function_calls>
//	<invoke name="write_file">
//	<parameter name="path">main.go</parameter>
//	<parameter name="content">package main</parameter>
//	</invoke>
//	</function_calls>
//
// Scanner walks such text once and yields an Attempt per invoke element.
// Parser merges both encodings in order of appearance and converts every
// rejected call into a synthetic error result, so a bad call becomes
// conversation content instead of a failed run.
package toolcall
