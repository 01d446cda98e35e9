package model

// ================ Config ================

type PipelineConfig struct {
	HistoryWindow int `envconfig:"PIPELINE_HISTORY_WINDOW" default:"10"`
	RetryAttempts int `envconfig:"PIPELINE_RETRY_ATTEMPTS" default:"2"`
	PreviewRows   int `envconfig:"PIPELINE_PREVIEW_ROWS" default:"20"`
	TopK          int `envconfig:"PIPELINE_RETRIEVAL_TOP_K" default:"15"`
}

type SynthesisModelConfig struct {
	Model       string  `envconfig:"SYNTHESIS_MODEL" default:"gemini-2.5-flash"`
	MaxTokens   int     `envconfig:"SYNTHESIS_MAX_TOKENS" default:"2000"`
	Temperature float32 `envconfig:"SYNTHESIS_TEMPERATURE" default:"0.0"`
}

type ResponseModelConfig struct {
	Model       string  `envconfig:"RESPONSE_MODEL" default:"gemini-2.5-flash"`
	MaxTokens   int     `envconfig:"RESPONSE_MAX_TOKENS" default:"10000"`
	Temperature float32 `envconfig:"RESPONSE_TEMPERATURE" default:"0.1"`
}

type RouterModelConfig struct {
	Model       string  `envconfig:"ROUTER_MODEL" default:"gemini-2.5-flash-lite"`
	MaxTokens   int     `envconfig:"ROUTER_MAX_TOKENS" default:"200"`
	Temperature float32 `envconfig:"ROUTER_TEMPERATURE" default:"0.0"`
}

type RetrievalConfig struct {
	QdrantHost     string `envconfig:"QDRANT_HOST" default:"localhost"`
	QdrantPort     int    `envconfig:"QDRANT_PORT" default:"6334"`
	QdrantAPIKey   string `envconfig:"QDRANT_API_KEY"`
	Collection     string `envconfig:"QDRANT_COLLECTION_NAME" default:"column_embeddings"`
	EmbeddingModel string `envconfig:"EMBEDDING_MODEL" default:"text-embedding-3-small"`
	OpenAIAPIKey   string `envconfig:"OPENAI_API_KEY"`
}

type WarehouseConfig struct {
	BaseURL   string `envconfig:"WAREHOUSE_BASE_URL" required:"true"`
	ClientID  string `envconfig:"WAREHOUSE_CLIENT_ID"`
	SecretKey string `envconfig:"WAREHOUSE_SECRET_KEY"`
	TimeoutS  int    `envconfig:"WAREHOUSE_TIMEOUT" default:"60"`
}

type ReportsConfig struct {
	BaseURL  string `envconfig:"REPORTS_API_URL" default:"http://localhost:8001"`
	TimeoutS int    `envconfig:"REPORTS_TIMEOUT" default:"120"`
}
