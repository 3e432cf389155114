package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	RelayDrop RelayDropConfig `yaml:"relaydrop"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	ParcelEventsTopicName  string `yaml:"parcel_events_topic_name"`
	AgentLocationTopicName string `yaml:"agent_location_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type RelayDropConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	// Буфер канала подписки на комнату. 0 — дефолт хаба.
	RoomBufferSize int `yaml:"room_buffer_size"`

	// Лимит location-пушей агента в минуту. 0 — лимитер выключен.
	LocationRateLimitPerMinute int `yaml:"location_rate_limit_per_minute"`

	WorkerHTTPAddr           string `yaml:"worker_http_addr"`
	WorkerKafkaConsumerGroup string `yaml:"worker_kafka_consumer_group"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
