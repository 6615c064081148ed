package arrival

import (
	"bufio"
	"bytes"
	"io"
)

// maxRecordLength 单条到达记录的最大字节数，超出的记录整条丢弃
const maxRecordLength = 4 << 10

// newRecordScanner 按分隔符切分记录。超过 maxRecordLength 的记录被跳过到下一个分隔符，
// 并以丢弃的字节数调用 onOverlong；keepTail 为 false 时流末尾没有分隔符的记录以 onTail 报告后丢弃。
func newRecordScanner(r io.Reader, delim []byte, keepTail bool, onOverlong func(n int), onTail func(tail []byte)) *bufio.Scanner {
	var (
		discarding bool
		discarded  int
	)
	keep := len(delim) - 1

	split := func(data []byte, atEOF bool) (int, []byte, error) {
		if i := bytes.Index(data, delim); i >= 0 {
			if discarding || i > maxRecordLength {
				onOverlong(discarded + i)
				discarding, discarded = false, 0
				return i + len(delim), nil, nil
			}
			return i + len(delim), data[:i], nil
		}
		if atEOF {
			switch {
			case discarding:
				onOverlong(discarded + len(data))
				discarding, discarded = false, 0
			case len(data) > maxRecordLength:
				onOverlong(len(data))
			case len(data) > 0 && keepTail:
				return len(data), data, nil
			case len(data) > 0 && onTail != nil:
				onTail(data)
			}
			return len(data), nil, nil
		}
		if len(data) > maxRecordLength {
			// 保留可能是分隔符前缀的尾部字节
			n := len(data) - keep
			discarding = true
			discarded += n
			return n, nil, nil
		}
		return 0, nil, nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 512), 4*maxRecordLength)
	scanner.Split(split)
	return scanner
}
