package config

// ApplyDefaults fills unset fields with production defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/karte/data/db/karte.db"
	}
	if cfg.Storage.IndexDir == "" {
		cfg.Storage.IndexDir = "/usr/local/var/karte/data/indexes"
	}
	if cfg.Storage.BleveIndexPath == "" {
		cfg.Storage.BleveIndexPath = "/usr/local/var/karte/data/indices/bleve"
	}
	if cfg.Storage.ReportsDir == "" {
		cfg.Storage.ReportsDir = "/usr/local/var/karte/data/reports"
	}
	if cfg.Embedding.OllamaURL == "" && cfg.Embedding.ModelPath == "" {
		cfg.Embedding.OllamaURL = "http://127.0.0.1:11434"
	}
	if cfg.Embedding.TextModel == "" {
		cfg.Embedding.TextModel = "all-minilm"
	}
	if cfg.Embedding.TextDimensions == 0 {
		cfg.Embedding.TextDimensions = 384
	}
	if cfg.Embedding.ImageDimensions == 0 {
		cfg.Embedding.ImageDimensions = 512
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.LLM.URL == "" {
		cfg.LLM.URL = "http://127.0.0.1:11434"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "phi3"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 600
	}
	if cfg.Search.ChunkSize == 0 {
		cfg.Search.ChunkSize = 800
	}
	if cfg.Search.ChunkOverlap == 0 {
		cfg.Search.ChunkOverlap = 100
	}
	if cfg.Search.TopK == 0 {
		cfg.Search.TopK = 5
	}
	if cfg.Search.ChatTopK == 0 {
		cfg.Search.ChatTopK = 8
	}
}
