package sniff

import (
	"bufio"
	"bytes"
)

var methods = []string{
	"GET", "POST", "HEAD", "PUT", "DELETE", "OPTIONS", "PATCH", "TRACE", "CONNECT",
}

const maxMethodLen = 7

type trieNode struct {
	next map[byte]*trieNode
	end  bool
}

var methodTrie = buildTrie(methods)

func buildTrie(words []string) *trieNode {
	root := &trieNode{next: make(map[byte]*trieNode)}
	for _, w := range words {
		node := root
		for i := 0; i < len(w); i++ {
			child := node.next[w[i]]
			if child == nil {
				child = &trieNode{next: make(map[byte]*trieNode)}
				node.next[w[i]] = child
			}
			node = child
		}
		node.end = true
	}
	return root
}

// hasMethodPrefix walks the method trie one peeked byte at a time, so it
// only waits for as many bytes as the longest candidate needs.
func hasMethodPrefix(br *bufio.Reader) (bool, error) {
	node := methodTrie
	for n := 1; n <= maxMethodLen; n++ {
		buf, err := br.Peek(n)
		if err != nil {
			return false, err
		}
		node = node.next[buf[n-1]]
		if node == nil {
			return false, nil
		}
		if node.end {
			return true, nil
		}
	}
	return false, nil
}

// IsHTTP reports whether br starts with an HTTP/1.x request. When the whole
// request line is already buffered its protocol version is checked too.
func IsHTTP(br *bufio.Reader) (bool, error) {
	ok, err := hasMethodPrefix(br)
	if err != nil || !ok {
		return false, err
	}
	line, complete := peekLine(br, 256)
	if !complete {
		return true, nil
	}
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 {
		return true, nil
	}
	proto := string(parts[2])
	return proto == "HTTP/1.1" || proto == "HTTP/1.0", nil
}
