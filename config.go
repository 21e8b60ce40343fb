package plagscan

import (
	"encoding/json"
	"os"
	"runtime"
	"strconv"
)

// TopKHardMax and LocalKHardMax bound the amount of work a single
// search or fan-out request can request, per §4.4/§4.5.
const (
	TopKHardMax   = 2000
	LocalKHardMax = 8000

	MaxTokensPerDoc    = 100_000
	MaxShinglesPerDoc  = 50_000
	hardMaxSumDfSeeds  = 500_000_000
)

// Config holds the recognized options of index_config.json (§6),
// governing the query hot path. Values are clamped to sane ranges at
// load time; out-of-range input is silently corrected rather than
// rejected, per §4.4's "Failure semantics".
type Config struct {
	K int `json:"-"` // shingle width; fixed per index, canonical 9

	WMinDoc      int     `json:"w_min_doc"`
	WMinQuery    int     `json:"w_min_query"`
	FetchPerKDoc int     `json:"fetch_per_k_doc"`
	MaxCandsDoc  int     `json:"max_cands_doc"`
	MaxDfForSeed int     `json:"max_df_for_seed"`
	MaxQUniq9    int     `json:"max_q_uniq9"`

	MaxSumDfSeeds     uint64 `json:"max_sum_df_seeds"`
	HardMaxSumDfSeeds uint64 `json:"hard_max_sum_df_seeds"`

	Weights struct {
		Alpha float64 `json:"alpha"`
		W9    float64 `json:"w9"`
	} `json:"weights"`

	Thresholds struct {
		PlagThr    float64 `json:"plag_thr"`
		PartialThr float64 `json:"partial_thr"`
	} `json:"thresholds"`

	ValidatePostingsSamples int `json:"validate_postings_samples"`
	ValidateDidSamples      int `json:"validate_did_samples"`
	ValidateUniqSamples     int `json:"validate_uniq_samples"`
	ValidatePostingsMaxlen  int `json:"validate_postings_maxlen"`

	// PerfStats gates per-phase timing in TextSearch.ExecuteWithStats;
	// Execute itself never pays for it regardless of this flag.
	PerfStats bool `json:"perf_stats"`
}

// DefaultConfig returns the canonical default configuration, matching
// the original engine's defaults exactly (§4.4, §6).
func DefaultConfig() *Config {
	c := &Config{
		K:                 CanonicalK,
		WMinDoc:           8,
		WMinQuery:         9,
		FetchPerKDoc:      64,
		MaxCandsDoc:       1000,
		MaxDfForSeed:      200_000,
		MaxQUniq9:         4096,
		MaxSumDfSeeds:     2_000_000,
		HardMaxSumDfSeeds: hardMaxSumDfSeeds,

		ValidatePostingsSamples: 64,
		ValidateDidSamples:      64,
		ValidateUniqSamples:     64,
		ValidatePostingsMaxlen:  1 << 20,
	}
	c.Weights.Alpha = 0.60
	c.Weights.W9 = 0.90
	return c
}

// clamp corrects out-of-range fields in place.
func (c *Config) clamp() {
	if c.K <= 0 {
		c.K = CanonicalK
	}
	if c.WMinDoc < 1 {
		c.WMinDoc = 1
	}
	if c.WMinQuery < 1 {
		c.WMinQuery = 1
	}
	c.FetchPerKDoc = clampInt(c.FetchPerKDoc, 1, 8192)
	c.MaxCandsDoc = clampInt(c.MaxCandsDoc, 1, 2_000_000)
	if c.MaxDfForSeed < 1 {
		c.MaxDfForSeed = 1
	}
	c.MaxQUniq9 = clampInt(c.MaxQUniq9, 128, 200_000)
	if c.HardMaxSumDfSeeds == 0 || c.HardMaxSumDfSeeds > hardMaxSumDfSeeds {
		c.HardMaxSumDfSeeds = hardMaxSumDfSeeds
	}
	if c.MaxSumDfSeeds > c.HardMaxSumDfSeeds {
		c.MaxSumDfSeeds = c.HardMaxSumDfSeeds
	}
	c.Weights.Alpha = clampFloat(c.Weights.Alpha, 0, 1)
	c.Weights.W9 = clampFloat(c.Weights.W9, 0, 1)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// LoadConfig reads an optional index_config.json, applying recognized
// fields on top of DefaultConfig and clamping the result. A missing
// file is not an error; callers get the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, wrapErr(ErrIO, "failed to read index_config.json", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, wrapErr(ErrBadRequest, "failed to parse index_config.json", err)
	}
	cfg.clamp()
	return cfg, nil
}

// BuilderConfig holds the streaming index builder's tunables, read
// from PLAGIO_* environment variables per §6, with CLI flags (see
// cmd/plagscan-index-builder) taking precedence when set explicitly.
type BuilderConfig struct {
	Threads      int
	LineBatch    int
	QueueDepth   int
	RunMaxPairs  int
	MergeMaxWay  int
	MetaDocsMap  bool
	TmpKeep      bool
}

// DefaultBuilderConfig returns builder defaults overridden by any
// PLAGIO_* environment variables that are set.
func DefaultBuilderConfig() *BuilderConfig {
	threads := runtime.NumCPU()
	if threads > 16 {
		threads = 16
	}
	bc := &BuilderConfig{
		Threads:     threads,
		LineBatch:   2048,
		QueueDepth:  32,
		RunMaxPairs: 2_000_000,
		MergeMaxWay: 64,
	}
	if v := envInt("PLAGIO_THREADS"); v > 0 {
		bc.Threads = v
	}
	if v := envInt("PLAGIO_RUN_MAX_PAIRS"); v > 0 {
		bc.RunMaxPairs = v
	}
	if v := envInt("PLAGIO_MERGE_MAX_WAY"); v > 0 {
		bc.MergeMaxWay = v
	}
	bc.MetaDocsMap = envBool("PLAGIO_META_DOCS_MAP")
	bc.TmpKeep = envBool("PLAGIO_TMP_KEEP")
	return bc
}

// AggregatorConfig holds the multi-index aggregator's tunables, read
// from SEG_* environment variables per §6.
type AggregatorConfig struct {
	CacheMax      int
	LoadRetryMs   int
	Debug         bool
}

func DefaultAggregatorConfig() *AggregatorConfig {
	ac := &AggregatorConfig{
		CacheMax:    256,
		LoadRetryMs: 3000,
	}
	if v := envInt("SEG_CACHE_MAX"); v > 0 {
		ac.CacheMax = v
	}
	if v := envInt("SEG_LOAD_RETRY_MS"); v > 0 {
		ac.LoadRetryMs = v
	}
	ac.Debug = envBool("SEG_DEBUG")
	return ac
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(name string) bool {
	v := os.Getenv(name)
	return v == "1" || v == "true" || v == "TRUE"
}
