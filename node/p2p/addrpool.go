package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	addrPoolDiskVersion = 1
	addrPoolFileName    = "addrpool.json"

	// staleAddressAge prunes addresses not seen for this long.
	staleAddressAge = 30 * 24 * time.Hour
)

// AddrPoolRecord is one known network address with its ban bookkeeping.
type AddrPoolRecord struct {
	Addr      NetAddress
	FirstSeen uint64
	LastSeen  uint64
	BanScore  uint8
	Banned    bool
	BannedAt  uint64
}

// AddrPool is the persistent set of peer addresses. It is written to disk
// on mutation so ban state survives restarts.
type AddrPool struct {
	mu      sync.RWMutex
	path    string
	records map[string]*AddrPoolRecord
}

type addrPoolDisk struct {
	Version uint32           `json:"version"`
	Records []addrRecordDisk `json:"records"`
}

type addrRecordDisk struct {
	Address   string `json:"address"`
	Services  uint64 `json:"services"`
	FirstSeen uint64 `json:"first_seen"`
	LastSeen  uint64 `json:"last_seen"`
	BanScore  uint8  `json:"ban_score"`
	Banned    bool   `json:"banned"`
	BannedAt  uint64 `json:"banned_at"`
}

// OpenAddrPool loads (or initializes) the pool at dataDir/peers/.
func OpenAddrPool(dataDir string) (*AddrPool, error) {
	dir := filepath.Join(dataDir, "peers")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("addrpool: create dir: %w", err)
	}
	p := &AddrPool{
		path:    filepath.Join(dir, addrPoolFileName),
		records: make(map[string]*AddrPoolRecord),
	}
	raw, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("addrpool: read: %w", err)
	}
	var disk addrPoolDisk
	if err := json.Unmarshal(raw, &disk); err != nil {
		return nil, fmt.Errorf("addrpool: decode: %w", err)
	}
	if disk.Version != addrPoolDiskVersion {
		return nil, fmt.Errorf("addrpool: unsupported version %d", disk.Version)
	}
	for _, r := range disk.Records {
		na, err := ParseNetAddress(r.Address, r.Services)
		if err != nil {
			log.Warnf("addrpool: dropping unparseable record %q", r.Address)
			continue
		}
		p.records[r.Address] = &AddrPoolRecord{
			Addr:      na,
			FirstSeen: r.FirstSeen,
			LastSeen:  r.LastSeen,
			BanScore:  r.BanScore,
			Banned:    r.Banned,
			BannedAt:  r.BannedAt,
		}
	}
	return p, nil
}

// save persists under the pool lock.
func (p *AddrPool) save() error {
	disk := addrPoolDisk{Version: addrPoolDiskVersion}
	for key, r := range p.records {
		disk.Records = append(disk.Records, addrRecordDisk{
			Address:   key,
			Services:  r.Addr.Services,
			FirstSeen: r.FirstSeen,
			LastSeen:  r.LastSeen,
			BanScore:  r.BanScore,
			Banned:    r.Banned,
			BannedAt:  r.BannedAt,
		})
	}
	raw, err := json.MarshalIndent(disk, "", "  ")
	if err != nil {
		return fmt.Errorf("addrpool: encode: %w", err)
	}
	raw = append(raw, '\n')
	return writeFileAtomic(p.path, raw, 0o600)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpPath := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// Insert adds or refreshes an address.
func (p *AddrPool) Insert(addr NetAddress, lastSeen uint64) {
	if !addr.IsRoutable() {
		return
	}
	key := addr.String()
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.records[key]; ok {
		if lastSeen > r.LastSeen {
			r.LastSeen = lastSeen
		}
		r.Addr.Services |= addr.Services
	} else {
		p.records[key] = &AddrPoolRecord{
			Addr:      addr,
			FirstSeen: lastSeen,
			LastSeen:  lastSeen,
		}
	}
	if err := p.save(); err != nil {
		log.Warnf("addrpool: save failed: %v", err)
	}
}

// Ban marks an address banned now.
func (p *AddrPool) Ban(addrKey string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[addrKey]
	if !ok {
		na, err := ParseNetAddress(addrKey, 0)
		if err != nil {
			return
		}
		r = &AddrPoolRecord{Addr: na, FirstSeen: uint64(now.Unix()), LastSeen: uint64(now.Unix())}
		p.records[addrKey] = r
	}
	r.Banned = true
	r.BannedAt = uint64(now.Unix())
	if err := p.save(); err != nil {
		log.Warnf("addrpool: save failed: %v", err)
	}
}

// Unban clears ban state.
func (p *AddrPool) Unban(addrKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.records[addrKey]; ok {
		r.Banned = false
		r.BannedAt = 0
		r.BanScore = 0
		if err := p.save(); err != nil {
			log.Warnf("addrpool: save failed: %v", err)
		}
	}
}

// Remove deletes an address entirely.
func (p *AddrPool) Remove(addrKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.records[addrKey]; ok {
		delete(p.records, addrKey)
		if err := p.save(); err != nil {
			log.Warnf("addrpool: save failed: %v", err)
		}
	}
}

func (p *AddrPool) IsBanned(addrKey string, now time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.records[addrKey]
	if !ok || !r.Banned {
		return false
	}
	return now.Sub(time.Unix(int64(r.BannedAt), 0)) < BanDuration
}

// Maintain releases expired bans and prunes stale entries; called on the
// manager's maintenance cadence.
func (p *AddrPool) Maintain(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dirty := false
	for key, r := range p.records {
		if r.Banned && now.Sub(time.Unix(int64(r.BannedAt), 0)) >= BanDuration {
			r.Banned = false
			r.BannedAt = 0
			r.BanScore = 0
			dirty = true
		}
		if !r.Banned && now.Sub(time.Unix(int64(r.LastSeen), 0)) > staleAddressAge {
			delete(p.records, key)
			dirty = true
		}
	}
	if dirty {
		if err := p.save(); err != nil {
			log.Warnf("addrpool: save failed: %v", err)
		}
	}
}

// RandomUnbanned picks up to n distinct unbanned addresses not in exclude.
func (p *AddrPool) RandomUnbanned(n int, exclude map[string]bool, now time.Time) []NetAddress {
	p.mu.RLock()
	candidates := make([]NetAddress, 0, len(p.records))
	for key, r := range p.records {
		if exclude[key] {
			continue
		}
		if r.Banned && now.Sub(time.Unix(int64(r.BannedAt), 0)) < BanDuration {
			continue
		}
		candidates = append(candidates, r.Addr)
	}
	p.mu.RUnlock()

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// Addresses snapshots up to n timestamped addresses for getaddr replies.
func (p *AddrPool) Addresses(n int) []TimestampedAddress {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]TimestampedAddress, 0, n)
	for _, r := range p.records {
		if r.Banned {
			continue
		}
		out = append(out, TimestampedAddress{Addr: r.Addr, LastSeen: r.LastSeen})
		if len(out) == n {
			break
		}
	}
	return out
}

// BannedAddresses lists currently banned keys.
func (p *AddrPool) BannedAddresses(now time.Time) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for key, r := range p.records {
		if r.Banned && now.Sub(time.Unix(int64(r.BannedAt), 0)) < BanDuration {
			out = append(out, key)
		}
	}
	return out
}
