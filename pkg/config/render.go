package config

import (
	"bytes"

	"gopkg.in/yaml.v3"
)

// Render 以 YAML 输出生效的配置，格式与文件加载一致
func (c *Config) Render() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
