/*
Package compiler restores the control flow of functions flattened
by a state variable dispatcher.

Text ->
	format.Parse ->
Control Flow Graph (ir) ->
	opt.Pipeline running unflatten.Pass per block until fixpoint ->
Control Flow Graph (ir) ->
	format.Format ->
Text

*/
package compiler
