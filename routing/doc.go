// Package routing implements topic-style routing key matching for the message pipeline.
//
// Route patterns are dot-separated segments where:
//   - a literal segment matches exactly that segment
//   - "*" matches exactly one segment
//   - "#" matches zero or more segments
//
// A Trie is built once from the full set of registered patterns and answers, for a
// given routing key, which of those patterns match it. Matching is multi-valued: the
// routing key "final.report.create" satisfies both "#" and "*.*.*".
//
// Example usage:
//
//	trie, err := routing.Build([]string{"#", "*.*.*", "orders.created"})
//	if err != nil {
//		return err
//	}
//	for pattern := range trie.Match(routing.Split("orders.created")) {
//		fmt.Println(pattern)
//	}
package routing
