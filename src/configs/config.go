package configs

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config 主配置结构
type Config struct {
	Server struct {
		IP   string `yaml:"ip"`
		Port int    `yaml:"port"`
		Auth struct {
			Enabled bool   `yaml:"enabled"`
			Token   string `yaml:"token"`
		} `yaml:"auth"`
	} `yaml:"server"`

	Log struct {
		LogFormat string `yaml:"log_format"`
		LogLevel  string `yaml:"log_level"`
		LogDir    string `yaml:"log_dir"`
		LogFile   string `yaml:"log_file"`
	} `yaml:"log"`

	Web struct {
		StaticDir string `yaml:"static_dir"`
	} `yaml:"web"`

	// 默认的描述生成语言，请求未指定时使用
	DefaultLanguage string `yaml:"default_language"`

	// 注入到前端页面的语言列表和主题配色，启动时加载一次，之后不再变化
	Languages []LanguageConfig       `yaml:"languages"`
	Themes    map[string]ThemeConfig `yaml:"themes"`

	SelectedModule map[string]string `yaml:"selected_module"`

	LLM   map[string]LLMConfig  `yaml:"LLM"`
	VLLLM map[string]VLLMConfig `yaml:"VLLLM"`
}

// LanguageConfig 目标语言配置结构
type LanguageConfig struct {
	Code string `yaml:"code" json:"code"`
	Name string `yaml:"name" json:"name"`
}

// ThemeConfig 主题配色结构
type ThemeConfig struct {
	Background     string `yaml:"background" json:"background"`
	Primary        string `yaml:"primary" json:"primary"`
	Secondary      string `yaml:"secondary" json:"secondary"`
	Accent         string `yaml:"accent" json:"accent"`
	Text           string `yaml:"text" json:"text"`
	Background2    string `yaml:"background2" json:"background2"`
	ChatBackground string `yaml:"chat_background" json:"chatBackground"`
	Border         string `yaml:"border" json:"border"`
}

// LLMConfig LLM配置结构
type LLMConfig struct {
	Type        string                 `yaml:"type"`
	ModelName   string                 `yaml:"model_name"`
	BaseURL     string                 `yaml:"url"`
	APIKey      string                 `yaml:"api_key"`
	Temperature float64                `yaml:"temperature"`
	MaxTokens   int                    `yaml:"max_tokens"`
	TopP        float64                `yaml:"top_p"`
	Extra       map[string]interface{} `yaml:",inline"`
}

// SecurityConfig 图片安全配置结构
type SecurityConfig struct {
	MaxFileSize    int64    `yaml:"max_file_size"`   // 最大文件大小（字节）
	MaxPixels      int64    `yaml:"max_pixels"`      // 最大像素数量
	MaxWidth       int      `yaml:"max_width"`       // 最大宽度
	MaxHeight      int      `yaml:"max_height"`      // 最大高度
	AllowedFormats []string `yaml:"allowed_formats"` // 允许的图片格式
}

// VLLMConfig VLLLM配置结构（视觉语言大模型）
type VLLMConfig struct {
	Type        string                 `yaml:"type"`        // API类型，复用LLM的类型
	ModelName   string                 `yaml:"model_name"`  // 模型名称，使用支持视觉的模型
	BaseURL     string                 `yaml:"url"`         // API地址
	APIKey      string                 `yaml:"api_key"`     // API密钥
	Temperature float64                `yaml:"temperature"` // 温度参数
	MaxTokens   int                    `yaml:"max_tokens"`  // 最大令牌数
	TopP        float64                `yaml:"top_p"`       // TopP参数
	Security    SecurityConfig         `yaml:"security"`    // 图片安全配置
	Extra       map[string]interface{} `yaml:",inline"`     // 额外配置
}

// LoadConfig 从文件加载配置,默认使用.config.yaml
func LoadConfig() (*Config, string, error) {
	path := ".config.yaml"
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = "config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, err
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, path, err
	}

	config.applyDefaults()

	return config, path, nil
}

// ExpandEnv 展开API密钥中的 ${VAR} 环境变量引用，
// 需要在 godotenv 加载 .env 之后调用
func (c *Config) ExpandEnv() {
	for name, llm := range c.LLM {
		llm.APIKey = os.ExpandEnv(llm.APIKey)
		c.LLM[name] = llm
	}
	for name, vlllm := range c.VLLLM {
		vlllm.APIKey = os.ExpandEnv(vlllm.APIKey)
		c.VLLLM[name] = vlllm
	}
}

// applyDefaults 填充缺省配置
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Log.LogDir == "" {
		c.Log.LogDir = "logs"
	}
	if c.Log.LogFile == "" {
		c.Log.LogFile = "server.log"
	}
	if c.Web.StaticDir == "" {
		c.Web.StaticDir = "web/static"
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = "en"
	}
}
