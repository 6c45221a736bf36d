package analyzer

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"codeguard/internal/logger"
	"codeguard/internal/rules"
	"codeguard/pkg/models"
)

// CodeSource fetches deployed bytecode.
type CodeSource interface {
	CodeAt(ctx context.Context, address string) ([]byte, error)
}

// Config controls decompilation output and caching.
type Config struct {
	CacheSize    int
	CacheTTL     time.Duration
	MaxOpcodes   int
	MaxSelectors int
}

// Decompilation summarizes a contract's bytecode.
type Decompilation struct {
	Address         string              `json:"address"`
	Chain           string              `json:"chain"`
	BytecodeLength  int                 `json:"bytecode_length"`
	IsContract      bool                `json:"is_contract"`
	Opcodes         []string            `json:"opcodes,omitempty"`
	Selectors       []string            `json:"selectors,omitempty"`
	Patterns        []models.PatternTag `json:"patterns,omitempty"`
	HasDelegateCall bool                `json:"has_delegatecall"`
	HasSelfDestruct bool                `json:"has_selfdestruct"`
}

// Analyzer decompiles subject bytecode per chain with a shared cache.
type Analyzer struct {
	sources map[string]CodeSource
	engine  rules.Engine
	cache   *expirable.LRU[string, []byte]
	cfg     Config
}

// New creates an analyzer over the given per-chain code sources.
func New(sources map[string]CodeSource, engine rules.Engine, cfg Config) *Analyzer {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 7 * 24 * time.Hour
	}
	if cfg.MaxOpcodes <= 0 {
		cfg.MaxOpcodes = 50
	}
	if cfg.MaxSelectors <= 0 {
		cfg.MaxSelectors = 20
	}
	if engine == nil {
		engine = rules.NewOpcodeEngine(nil)
	}
	return &Analyzer{
		sources: sources,
		engine:  engine,
		cache:   expirable.NewLRU[string, []byte](cfg.CacheSize, nil, cfg.CacheTTL),
		cfg:     cfg,
	}
}

// Decompile fetches (or reuses) bytecode for address on chain and summarizes it.
func (a *Analyzer) Decompile(ctx context.Context, chain, address string) (*Decompilation, error) {
	addr, err := models.NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	src, ok := a.sources[chain]
	if !ok {
		return nil, fmt.Errorf("%w: unknown chain %q", models.ErrValidation, chain)
	}

	key := chain + ":" + addr
	code, hit := a.cache.Get(key)
	if !hit {
		code, err = src.CodeAt(ctx, addr)
		if err != nil {
			return nil, err
		}
		a.cache.Add(key, code)
		logger.Debugf("Fetched bytecode for %s on %s (%d bytes)", addr, chain, len(code))
	}
	return a.summarize(chain, addr, code), nil
}

func (a *Analyzer) summarize(chain, addr string, code []byte) *Decompilation {
	d := &Decompilation{
		Address:        addr,
		Chain:          chain,
		BytecodeLength: len(code),
		IsContract:     len(code) > 0,
	}
	if len(code) == 0 {
		return d
	}

	for _, ins := range rules.Disassemble(code) {
		if len(d.Opcodes) < a.cfg.MaxOpcodes {
			d.Opcodes = append(d.Opcodes, ins.Op.String())
		}
		switch ins.Op {
		case vm.DELEGATECALL:
			d.HasDelegateCall = true
		case vm.SELFDESTRUCT:
			d.HasSelfDestruct = true
		}
	}
	d.Selectors = rules.Selectors(code, a.cfg.MaxSelectors)
	d.Patterns = a.engine.Apply(&rules.Features{
		Subject: addr,
		Source:  rules.SourceBytecode,
		Code:    code,
		To:      addr,
	})
	return d
}
