package format_convert

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"datapush-service/service/models"

	"github.com/cespare/xxhash/v2"
)

// 校验和算法
const (
	ChecksumSHA256   = "sha256"
	ChecksumXXHash64 = "xxhash64"
)

// ComputeChecksum 计算变更集合的确定性校验和
// 记录按 record_id 排序，每条记录序列化为键有序的JSON，以换行连接
func ComputeChecksum(changes []models.ChangeRecord, algorithm string, includeMetadata bool) string {
	sorted := make([]models.ChangeRecord, len(changes))
	copy(sorted, changes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RecordID < sorted[j].RecordID
	})

	var buf bytes.Buffer
	for i, change := range sorted {
		entry := map[string]interface{}{
			"record_id":  change.RecordID,
			"operation":  change.Operation,
			"table_name": change.TableName,
			"data":       normalizeMap(change.Data()),
		}
		if includeMetadata {
			entry["metadata"] = normalizeMap(change.Metadata)
		}
		line, err := json.Marshal(entry)
		if err != nil {
			line = []byte(fmt.Sprintf("%v", entry))
		}
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.Write(line)
	}

	switch strings.ToLower(algorithm) {
	case ChecksumXXHash64:
		return fmt.Sprintf("%016x", xxhash.Sum64(buf.Bytes()))
	default:
		sum := sha256.Sum256(buf.Bytes())
		return hex.EncodeToString(sum[:])
	}
}
