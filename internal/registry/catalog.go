package registry

// Provider ids of the built-in catalog.
const (
	ProviderOpenAI        = "open-ai"
	ProviderAnthropic     = "anthropic"
	ProviderPerplexity    = "perplexity"
	ProviderReplicate     = "replicate"
	ProviderGoogleAI      = "google-ai"
	ProviderRapidAPI      = "rapid-api"
	ProviderCoinMarketCap = "coinmarketcap"
)

var defaultProviders = []ToolProvider{
	{ID: ProviderOpenAI, Name: "OpenAI", TokenManagementURL: "https://platform.openai.com/api-keys", TokenFormat: "sk-..."},
	{ID: ProviderAnthropic, Name: "Anthropic", TokenManagementURL: "https://console.anthropic.com/settings/keys", TokenFormat: "sk-ant-..."},
	{ID: ProviderPerplexity, Name: "Perplexity", TokenManagementURL: "https://www.perplexity.ai/settings/api", TokenFormat: "pplx-..."},
	{ID: ProviderReplicate, Name: "Replicate", TokenManagementURL: "https://replicate.com/account/api-tokens", TokenFormat: "r8_..."},
	{ID: ProviderGoogleAI, Name: "Google AI", TokenManagementURL: "https://aistudio.google.com/app/apikey", TokenFormat: "AIza..."},
	{ID: ProviderRapidAPI, Name: "RapidAPI", TokenManagementURL: "https://rapidapi.com/developer/apps", TokenFormat: "<50 alphanumeric characters>"},
	{ID: ProviderCoinMarketCap, Name: "CoinMarketCap", TokenManagementURL: "https://pro.coinmarketcap.com/account", TokenFormat: "<uuid>"},
}

var defaultTools = []ToolSpec{
	{ID: "gpt-4o", Name: "GPT 4o", ProviderID: ProviderOpenAI, Types: []ToolType{TypeLLM, TypeVision}},
	{ID: "gpt-4o-mini", Name: "GPT 4o Mini", ProviderID: ProviderOpenAI, Types: []ToolType{TypeLLM, TypeVision}},
	{ID: "whisper-1", Name: "Whisper", ProviderID: ProviderOpenAI, Types: []ToolType{TypeHearing}},
	{ID: "dall-e-3", Name: "Dall-E 3", ProviderID: ProviderOpenAI, Types: []ToolType{TypeImages}},
	{ID: "text-embedding-3-small", Name: "Text Embedding 3 Small", ProviderID: ProviderOpenAI, Types: []ToolType{TypeEmbedding}},
	{ID: "claude-3-5-sonnet-latest", Name: "Claude 3.5 Sonnet", ProviderID: ProviderAnthropic, Types: []ToolType{TypeLLM, TypeVision}},
	{ID: "claude-3-5-haiku-latest", Name: "Claude 3.5 Haiku", ProviderID: ProviderAnthropic, Types: []ToolType{TypeLLM}},
	{ID: "sonar", Name: "Sonar", ProviderID: ProviderPerplexity, Types: []ToolType{TypeSearch, TypeLLM}},
	{ID: "sonar-pro", Name: "Sonar Pro", ProviderID: ProviderPerplexity, Types: []ToolType{TypeSearch, TypeLLM}},
	{ID: "flux-1.1-pro", Name: "Flux 1.1 Pro", ProviderID: ProviderReplicate, Types: []ToolType{TypeImages}},
	{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ProviderID: ProviderGoogleAI, Types: []ToolType{TypeLLM, TypeVision}},
	{ID: "fiat-currency-exchange", Name: "Fiat Exchange Rates", ProviderID: ProviderRapidAPI, Types: []ToolType{TypeAPI}},
	{ID: "crypto-currency-exchange", Name: "Crypto Exchange Rates", ProviderID: ProviderCoinMarketCap, Types: []ToolType{TypeAPI}},
}

// Default builds the built-in catalog. It panics only if the static tables
// above are inconsistent, which the package tests guard against.
func Default() *Registry {
	r, err := New(defaultProviders, defaultTools)
	if err != nil {
		panic("registry: invalid built-in catalog: " + err.Error())
	}
	return r
}
