// Package vm implements the tern execution engine.
//
// This package contains:
//   - Instruction encoding: opcode, data type and operand shape packed in
//     one word, typed forms plus generic fallbacks
//   - Functions with declared slots, try ranges and switch tables
//   - Frames linked to their caller and creator, kept in a per-runtime arena
//   - Execution contexts that suspend on native calls and resume through
//     their Accept methods
//   - The native bridge and string coercion of arguments
//   - Frame snapshots for persisting suspended work
package vm
