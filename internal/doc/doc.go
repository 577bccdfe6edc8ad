// Package doc implements the replicated document shared by clients and rooms.
//
// A Document holds independent named maps. Every key is a last-writer-wins
// register ordered by a hybrid logical clock stamp (wall ms, counter, actor), and
// deletes are stamped tombstones. Two documents that have applied the same set of
// updates hold identical state. The order in which the updates arrived does not
// matter, and neither does duplicate delivery.
//
// # Wire format
//
// Updates are JSON objects carried in binary frames:
//
//	{"v":1,"ops":[{"m":"journal","k":"e1","val":{...},"ts":{"w":1700000000000,"c":0,"a":"actor"}}]}
//
// EncodeState produces an update holding the whole document. Apply accepts
// both full-state updates and incremental ones.
package doc
