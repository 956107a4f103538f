package cache

import (
	"encoding/json"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// UpdateLatestBlock records the chain tip used for reorg detection. A
// detected reorg purges the memory tier; the persistent tier is cleaned
// lazily on read.
func (s *Store) UpdateLatestBlock(chainID string, blockNum uint64, blockHash string, raw []byte) {
	if blockNum == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.blockHashes[chainID] == nil {
		s.blockHashes[chainID] = make(map[uint64]string)
	}

	if s.detectReorg(chainID, blockNum, blockHash, raw) {
		s.logger.Warn("chain reorg detected, purging memory cache",
			zap.String("chain", chainID), zap.Uint64("block", blockNum))
		if s.mem != nil {
			s.mem.Purge()
		}
	}

	s.blockHashes[chainID][blockNum] = blockHash
	if blockNum > s.latestBlocks[chainID] {
		s.latestBlocks[chainID] = blockNum
		s.latestHashes[chainID] = blockHash
	}

	s.pruneBlockHashes(chainID)
}

// LatestBlock reports the most recent block seen for chainID.
func (s *Store) LatestBlock(chainID string) (uint64, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestBlocks[chainID], s.latestHashes[chainID]
}

// detectReorg reports whether a known block number arrived with a different
// hash, or a new block's parent hash contradicts our view. Caller holds the
// lock.
func (s *Store) detectReorg(chainID string, blockNum uint64, blockHash string, raw []byte) bool {
	if existing, ok := s.blockHashes[chainID][blockNum]; ok && existing != blockHash {
		return true
	}
	if blockNum > 1 && raw != nil {
		if parent, ok := s.blockHashes[chainID][blockNum-1]; ok {
			if got := extractParentHash(raw); got != "" && got != parent {
				return true
			}
		}
	}
	return false
}

func (s *Store) pruneBlockHashes(chainID string) {
	hashes := s.blockHashes[chainID]
	if len(hashes) <= s.cfg.MaxReorgDepth*2 {
		return
	}
	cutoff := s.latestBlocks[chainID] - uint64(s.cfg.MaxReorgDepth*2)
	for n := range hashes {
		if n < cutoff {
			delete(hashes, n)
		}
	}
}

// isBlockHashValid checks that an entry's pinned block was not reorged away.
func (s *Store) isBlockHashValid(chainID, blockHash string, blockNum uint64) bool {
	if blockHash == "" {
		return true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if hashes, ok := s.blockHashes[chainID]; ok {
		if current, ok := hashes[blockNum]; ok {
			return current == blockHash
		}
	}
	if s.latestBlocks[chainID] > 0 && s.latestBlocks[chainID]-blockNum <= uint64(s.cfg.MaxReorgDepth) {
		return false
	}
	return true
}

// ExtractBlockInfo pulls block number and hash out of a JSON-RPC block
// response. Missing fields yield zero values.
func ExtractBlockInfo(response []byte) (blockNum uint64, blockHash string) {
	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(response, &resp); err != nil {
		return 0, ""
	}

	var result map[string]any
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return 0, ""
	}

	if num, ok := result["number"].(string); ok && strings.HasPrefix(num, "0x") {
		if parsed, err := strconv.ParseUint(num[2:], 16, 64); err == nil {
			blockNum = parsed
		}
	}
	if hash, ok := result["hash"].(string); ok {
		blockHash = hash
	}
	return blockNum, blockHash
}

func extractParentHash(raw []byte) string {
	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ""
	}
	var result map[string]any
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return ""
	}
	if parentHash, ok := result["parentHash"].(string); ok {
		return parentHash
	}
	return ""
}
