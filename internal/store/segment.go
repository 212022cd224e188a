package store

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	segmentExt   = ".seg"
	segmentWidth = 20
)

// segment 一个只追加文件。first 为文件名中的序号，last 为其中最大的完整序号（空文件时为 first-1）
type segment struct {
	first uint64
	last  uint64
	path  string
	size  int64
}

func segmentName(first uint64) string {
	return fmt.Sprintf("%0*d%s", segmentWidth, first, segmentExt)
}

func parseSegmentName(name string) (uint64, error) {
	if !strings.HasSuffix(name, segmentExt) {
		return 0, fmt.Errorf("invalid segment filename %s", name)
	}
	return strconv.ParseUint(strings.TrimSuffix(name, segmentExt), 10, 64)
}

// discoverSegments 按起始序号列出目录中的 segment 文件
func discoverSegments(dir string) ([]*segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var segs []*segment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		first, err := parseSegmentName(e.Name())
		if err != nil {
			continue
		}
		segs = append(segs, &segment{first: first, last: first - 1, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].first < segs[j].first })
	return segs, nil
}

// scanResult 回放单个 segment 的结果
type scanResult struct {
	entries  []indexEntry
	validEnd int64 // 最后一条完整记录之后的偏移
	torn     error // validEnd 之后还有残留数据时非 nil
}

// scanSegment 顺序读取 seg 中的完整记录。序号必须严格递增且大于 after，
// 违反时与损坏记录一样结束扫描
func scanSegment(seg *segment, after uint64) (scanResult, error) {
	f, err := os.Open(seg.path)
	if err != nil {
		return scanResult{}, err
	}
	defer func() { _ = f.Close() }()

	var res scanResult
	r := bufio.NewReaderSize(f, 64<<10)
	prev := after
	for {
		msg, n, err := readRecord(r)
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			res.torn = err
			return res, nil
		}
		if msg.Sequence <= prev {
			res.torn = fmt.Errorf("%w: sequence %d after %d", errTorn, msg.Sequence, prev)
			return res, nil
		}
		res.entries = append(res.entries, indexEntry{
			seq:   msg.Sequence,
			seg:   seg,
			off:   res.validEnd,
			size:  n,
			bytes: len(msg.Type) + len(msg.Payload),
		})
		prev = msg.Sequence
		res.validEnd += int64(n)
	}
}

func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return d.Sync()
}
