package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bbsync/internal/location"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPath 默认配置文件位置
	DefaultPath = "config/config.yaml"

	// SessionEnv 会话 Cookie 的环境变量名 (登录组件写入 .env)
	SessionEnv = "BBSYNC_SESSION"

	// AllCourses course_start_date 取该值时不过滤
	AllCourses = "all"

	dateLayout = "2006-01-02"
)

// 支持的同步间隔
var allowedIntervals = map[time.Duration]bool{
	30 * time.Minute: true,
	time.Hour:        true,
	6 * time.Hour:    true,
}

// Config 对应 config.yaml 的根结构
type Config struct {
	Sync   SyncConfig   `yaml:"sync"`
	LMS    LMSConfig    `yaml:"lms"`
	System SystemConfig `yaml:"system"`
}

// SyncConfig 同步相关配置
type SyncConfig struct {
	DownloadRoot    string `yaml:"download_root"`
	Interval        string `yaml:"interval"`
	CourseStartDate string `yaml:"course_start_date"`
	// redownload (默认): 下载目录变更后全部重新下载
	// migrate: 用户已自行移动旧文件，只改写索引
	LocationPolicy string `yaml:"location_policy"`
	MaxConcurrent  int    `yaml:"max_concurrent"`
	CycleTimeout   string `yaml:"cycle_timeout"`
	GroupByYear    bool   `yaml:"group_by_year"`

	// 解析后的值，不导出到 yaml
	IntervalDuration     time.Duration   `yaml:"-"`
	CycleTimeoutDuration time.Duration   `yaml:"-"`
	StartDate            time.Time       `yaml:"-"` // 零值表示全部课程
	Policy               location.Policy `yaml:"-"`
}

// LMSConfig Blackboard 连接配置
type LMSConfig struct {
	BaseURL        string `yaml:"base_url"`
	SessionCookie  string `yaml:"session_cookie"`
	EnvFile        string `yaml:"env_file"`
	RequestTimeout string `yaml:"request_timeout"`
	UserAgent      string `yaml:"user_agent"`

	RequestTimeoutDuration time.Duration `yaml:"-"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	DBPath      string `yaml:"db_path"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// LoadConfig 读取并解析配置文件
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(data)
}

// Parse 解析配置内容：填默认值、展开路径、读取凭证并校验
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析 YAML 格式错误: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.loadSession(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Sync.DownloadRoot == "" {
		c.Sync.DownloadRoot = "~/Downloads/BlackboardSync"
	}
	if c.Sync.Interval == "" {
		c.Sync.Interval = "30m"
	}
	if c.Sync.CourseStartDate == "" {
		c.Sync.CourseStartDate = AllCourses
	}
	if c.Sync.LocationPolicy == "" {
		c.Sync.LocationPolicy = string(location.PolicyRedownload)
	}
	if c.Sync.MaxConcurrent <= 0 {
		c.Sync.MaxConcurrent = 3
	}
	if c.Sync.CycleTimeout == "" {
		c.Sync.CycleTimeout = "30m"
	}
	if c.LMS.EnvFile == "" {
		c.LMS.EnvFile = ".env"
	}
	if c.LMS.RequestTimeout == "" {
		c.LMS.RequestTimeout = "12s"
	}
	if c.LMS.UserAgent == "" {
		c.LMS.UserAgent = "bbsync"
	}
	if c.System.DBPath == "" {
		c.System.DBPath = "./data/mirror.db"
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "info"
	}
	if c.System.LogFormat == "" {
		c.System.LogFormat = "text"
	}
}

// resolvePaths 展开 ~ 并把下载目录转为绝对路径
func (c *Config) resolvePaths() error {
	root, err := ExpandPath(c.Sync.DownloadRoot)
	if err != nil {
		return fmt.Errorf("无效的下载目录 (sync.download_root): %w", err)
	}
	c.Sync.DownloadRoot = root

	for _, p := range []*string{&c.LMS.EnvFile, &c.System.DBPath, &c.System.LogFile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("无法展开路径 %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// ExpandPath 展开 ~ 并转为绝对路径
func ExpandPath(p string) (string, error) {
	expanded, err := homedir.Expand(strings.TrimSpace(p))
	if err != nil {
		return "", err
	}
	return filepath.Abs(expanded)
}

// loadSession 会话 Cookie 的来源: 配置文件 > env_file > 环境变量
func (c *Config) loadSession() error {
	if c.LMS.SessionCookie != "" {
		return nil
	}

	values, err := godotenv.Read(c.LMS.EnvFile)
	switch {
	case err == nil:
		c.LMS.SessionCookie = values[SessionEnv]
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("读取凭证文件 %s 失败: %w", c.LMS.EnvFile, err)
	}

	if c.LMS.SessionCookie == "" {
		c.LMS.SessionCookie = os.Getenv(SessionEnv)
	}
	return nil
}

func (c *Config) validate() error {
	d, err := time.ParseDuration(c.Sync.Interval)
	if err != nil {
		return fmt.Errorf("无效的同步间隔格式 (sync.interval): %v", err)
	}
	if !allowedIntervals[d] {
		return fmt.Errorf("不支持的同步间隔 %s (可选 30m, 1h, 6h)", c.Sync.Interval)
	}
	c.Sync.IntervalDuration = d

	if c.Sync.CourseStartDate != AllCourses {
		t, err := time.ParseInLocation(dateLayout, c.Sync.CourseStartDate, time.Local)
		if err != nil {
			return fmt.Errorf("无效的开课日期 (sync.course_start_date): 需要 YYYY-MM-DD 或 all")
		}
		c.Sync.StartDate = t
	}

	if c.Sync.Policy, err = location.ParsePolicy(c.Sync.LocationPolicy); err != nil {
		return err
	}

	if c.Sync.CycleTimeoutDuration, err = time.ParseDuration(c.Sync.CycleTimeout); err != nil || c.Sync.CycleTimeoutDuration <= 0 {
		return fmt.Errorf("无效的同步超时 (sync.cycle_timeout): %s", c.Sync.CycleTimeout)
	}
	if c.LMS.RequestTimeoutDuration, err = time.ParseDuration(c.LMS.RequestTimeout); err != nil || c.LMS.RequestTimeoutDuration <= 0 {
		return fmt.Errorf("无效的请求超时 (lms.request_timeout): %s", c.LMS.RequestTimeout)
	}

	if c.LMS.BaseURL == "" {
		return fmt.Errorf("缺少 Blackboard 地址 (lms.base_url)")
	}

	switch c.System.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("未知的日志格式 (system.log_format): %s", c.System.LogFormat)
	}
	return nil
}

// SetDownloadRoot 修改配置文件中的 sync.download_root，保留文件中的其他内容和注释
func SetDownloadRoot(path, root string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("解析 YAML 格式错误: %w", err)
	}
	if len(doc.Content) == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}
	}

	syncNode := mappingChild(asMapping(doc.Content[0]), "sync")
	setScalar(syncNode, "download_root", root)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("生成配置失败: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}

	// 先写临时文件再替换，避免监听方读到半个文件
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}
	return os.Rename(tmp, path)
}

// mappingChild 取出 (或创建) 映射节点下的子映射
// 已有的键值为空或不是映射时 (例如只写了 "sync:")，改为映射
func mappingChild(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return asMapping(m.Content[i+1])
		}
	}
	child := &yaml.Node{Kind: yaml.MappingNode}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, child)
	return child
}

func asMapping(n *yaml.Node) *yaml.Node {
	if n.Kind != yaml.MappingNode {
		n.Kind, n.Tag, n.Value, n.Style = yaml.MappingNode, "", "", 0
		n.Content = nil
	}
	return n
}

func setScalar(m *yaml.Node, key, value string) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content[i+1].Kind = yaml.ScalarNode
			m.Content[i+1].Tag = "!!str"
			m.Content[i+1].Value = value
			return
		}
	}
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
	)
}
