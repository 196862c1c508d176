package config

import (
	"fmt"
	"strings"
	"time"

	"gochainbridge/types"

	"github.com/ethereum/go-ethereum/common"
)

type Configuration struct {
	// Server config
	Server struct {
		Listen        string `yaml:"listen" envconfig:"LISTEN"`
		UseSSL        bool   `yaml:"ssl" envconfig:"SSL"`
		RedisPort     int    `yaml:"redis_port" envconfig:"REDIS_PORT"`
		RedisHost     string `yaml:"redis_host" envconfig:"REDIS_HOST"`
		RedisPassword string `yaml:"redis_password" envconfig:"REDIS_PASSWORD"`
		LogDir        string `yaml:"log_dir" envconfig:"LOG_DIR"`
	} `yaml:"server"`
	// key the relayer signs deposits and releases with
	Signer struct {
		PrivateKey string `yaml:"private_key" envconfig:"SIGNER_PRIVATE_KEY"`
	} `yaml:"signer"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Queue     QueueConfig     `yaml:"queue"`
	Validator ValidatorConfig `yaml:"validators"`
	Chains    []ChainConfig   `yaml:"chains" ignored:"true"`
}

type BridgeConfig struct {
	FeeBasisPoints    uint32        `yaml:"fee_bps" envconfig:"FEE_BPS"`
	MaxFeeBasisPoints uint32        `yaml:"max_fee_bps" envconfig:"MAX_FEE_BPS"`
	TransferDeadline  time.Duration `yaml:"transfer_deadline" envconfig:"TRANSFER_DEADLINE"`
	QuorumWindow      time.Duration `yaml:"quorum_window" envconfig:"QUORUM_WINDOW"`
	DedupWindow       time.Duration `yaml:"dedup_window" envconfig:"DEDUP_WINDOW"`
	// read the fee from the feeTreasury contract instead of fee_bps
	FeeFromTreasury bool `yaml:"fee_from_treasury" envconfig:"FEE_FROM_TREASURY"`
}

type QueueConfig struct {
	Workers      int           `yaml:"workers" envconfig:"QUEUE_WORKERS"`
	BatchSize    int           `yaml:"batch_size" envconfig:"QUEUE_BATCH_SIZE"`
	PollInterval time.Duration `yaml:"poll_interval" envconfig:"QUEUE_POLL_INTERVAL"`
	BaseDelay    time.Duration `yaml:"base_delay" envconfig:"QUEUE_BASE_DELAY"`
	MaxDelay     time.Duration `yaml:"max_delay" envconfig:"QUEUE_MAX_DELAY"`
	MaxAttempts  int           `yaml:"max_attempts" envconfig:"QUEUE_MAX_ATTEMPTS"`
	Lease        time.Duration `yaml:"lease" envconfig:"QUEUE_LEASE"`
	JobAttempts  int           `yaml:"job_attempts" envconfig:"JOB_ATTEMPTS"`
	JobBaseDelay time.Duration `yaml:"job_base_delay" envconfig:"JOB_BASE_DELAY"`
}

type ValidatorConfig struct {
	// static registry, used when registry_chain is 0
	Addresses []string `yaml:"addresses" envconfig:"VALIDATORS"`
	Threshold int      `yaml:"threshold" envconfig:"VALIDATOR_THRESHOLD"`
	// read the set from the validatorRegistry contract of this chain
	RegistryChain uint64 `yaml:"registry_chain" envconfig:"VALIDATOR_REGISTRY_CHAIN"`
}

// Chain config as it appears in config.yml
type ChainConfig struct {
	ChainID           uint64 `yaml:"chain_id"`
	Name              string `yaml:"name"`
	RPCURL            string `yaml:"rpc_url"`
	// extra endpoints tried when the first one fails
	RPCFallbacks          []string          `yaml:"rpc_fallbacks"`
	WSURL                 string            `yaml:"ws_url"`
	ConfirmationDepth     uint64            `yaml:"confirmation_depth"`
	MaxConfirmationWait   time.Duration     `yaml:"max_confirmation_wait"`
	PollInterval          time.Duration     `yaml:"poll_interval"`
	MaxInFlight           int               `yaml:"max_in_flight"`
	RequestsPerSecond     float64           `yaml:"rps"`
	DefaultGasLimit       uint64            `yaml:"default_gas_limit"`
	PreconfirmationMethod string            `yaml:"preconfirmation_method"`
	Tokens                map[string]string `yaml:"tokens"`
	Contracts             struct {
		BridgeCore        string `yaml:"bridge_core"`
		BridgeReceiver    string `yaml:"bridge_receiver"`
		MessageRouter     string `yaml:"message_router"`
		ValidatorRegistry string `yaml:"validator_registry"`
		FeeTreasury       string `yaml:"fee_treasury"`
	} `yaml:"contracts"`
}

var Config Configuration

const (
	DEFAULT_MAX_FEE_BPS         = 1000
	DEFAULT_GAS_LIMIT           = 300000
	DEFAULT_MAX_IN_FLIGHT       = 8
	DEFAULT_RPS                 = 10
	DEFAULT_CONFIRMATION_WAIT   = 30 * time.Minute
	DEFAULT_CHAIN_POLL_INTERVAL = 5 * time.Second
)

func (c *Configuration) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.RedisHost == "" {
		c.Server.RedisHost = "127.0.0.1"
	}
	if c.Server.RedisPort == 0 {
		c.Server.RedisPort = 6379
	}
	if c.Bridge.MaxFeeBasisPoints == 0 {
		c.Bridge.MaxFeeBasisPoints = DEFAULT_MAX_FEE_BPS
	}
	if c.Bridge.TransferDeadline == 0 {
		c.Bridge.TransferDeadline = 2 * time.Hour
	}
	if c.Bridge.QuorumWindow == 0 {
		c.Bridge.QuorumWindow = 30 * time.Minute
	}
	if c.Bridge.DedupWindow == 0 {
		c.Bridge.DedupWindow = 24 * time.Hour
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = 8
	}
	if c.Queue.BatchSize == 0 {
		c.Queue.BatchSize = 64
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = time.Second
	}
	if c.Queue.BaseDelay == 0 {
		c.Queue.BaseDelay = 2 * time.Second
	}
	if c.Queue.MaxDelay == 0 {
		c.Queue.MaxDelay = 2 * time.Minute
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 5
	}
	if c.Queue.Lease == 0 {
		c.Queue.Lease = time.Minute
	}
	if c.Queue.JobAttempts == 0 {
		c.Queue.JobAttempts = 3
	}
	if c.Queue.JobBaseDelay == 0 {
		c.Queue.JobBaseDelay = 5 * time.Second
	}
}

func (c *Configuration) validate() error {
	if c.Bridge.FeeBasisPoints > c.Bridge.MaxFeeBasisPoints {
		return fmt.Errorf("fee_bps %d exceeds max_fee_bps %d", c.Bridge.FeeBasisPoints, c.Bridge.MaxFeeBasisPoints)
	}
	if len(c.Chains) < 2 {
		return fmt.Errorf("at least two chains must be configured, got %d", len(c.Chains))
	}
	if c.Validator.RegistryChain == 0 {
		if len(c.Validator.Addresses) == 0 {
			return fmt.Errorf("no validators configured")
		}
		if c.Validator.Threshold <= 0 || c.Validator.Threshold > len(c.Validator.Addresses) {
			return fmt.Errorf("validator threshold %d out of range for %d validators", c.Validator.Threshold, len(c.Validator.Addresses))
		}
		for _, a := range c.Validator.Addresses {
			if !common.IsHexAddress(a) {
				return fmt.Errorf("invalid validator address %q", a)
			}
		}
	}
	return nil
}

// ChainDescriptors converts the chains section, rejecting duplicates and missing values
func (c *Configuration) ChainDescriptors() ([]types.ChainDescriptor, error) {
	seen := make(map[uint64]bool)
	descs := make([]types.ChainDescriptor, 0, len(c.Chains))
	for _, cc := range c.Chains {
		d, err := cc.Descriptor()
		if err != nil {
			return nil, err
		}
		if seen[d.ChainID] {
			return nil, fmt.Errorf("chain %d configured twice", d.ChainID)
		}
		seen[d.ChainID] = true
		descs = append(descs, d)
	}
	if c.Validator.RegistryChain != 0 && !seen[c.Validator.RegistryChain] {
		return nil, fmt.Errorf("validator registry chain %d is not configured", c.Validator.RegistryChain)
	}
	return descs, nil
}

func (cc ChainConfig) Descriptor() (types.ChainDescriptor, error) {
	if cc.ChainID == 0 {
		return types.ChainDescriptor{}, fmt.Errorf("chain %q has no chain_id", cc.Name)
	}
	if cc.RPCURL == "" {
		return types.ChainDescriptor{}, fmt.Errorf("chain %d has no rpc_url", cc.ChainID)
	}
	if cc.ConfirmationDepth == 0 {
		return types.ChainDescriptor{}, fmt.Errorf("chain %d must require at least one confirmation", cc.ChainID)
	}

	contracts := types.ChainContracts{}
	for name, pair := range map[string]struct {
		value string
		dst   *common.Address
	}{
		"bridge_core":        {cc.Contracts.BridgeCore, &contracts.BridgeCore},
		"bridge_receiver":    {cc.Contracts.BridgeReceiver, &contracts.BridgeReceiver},
		"message_router":     {cc.Contracts.MessageRouter, &contracts.MessageRouter},
		"validator_registry": {cc.Contracts.ValidatorRegistry, &contracts.ValidatorRegistry},
		"fee_treasury":       {cc.Contracts.FeeTreasury, &contracts.FeeTreasury},
	} {
		if pair.value == "" {
			continue
		}
		if !common.IsHexAddress(pair.value) {
			return types.ChainDescriptor{}, fmt.Errorf("chain %d: invalid %s address %q", cc.ChainID, name, pair.value)
		}
		*pair.dst = common.HexToAddress(pair.value)
	}
	if contracts.BridgeCore == (common.Address{}) || contracts.BridgeReceiver == (common.Address{}) {
		return types.ChainDescriptor{}, fmt.Errorf("chain %d needs bridge_core and bridge_receiver contracts", cc.ChainID)
	}

	tokens := make(map[string]common.Address, len(cc.Tokens))
	for symbol, addr := range cc.Tokens {
		if addr != "" && !common.IsHexAddress(addr) {
			return types.ChainDescriptor{}, fmt.Errorf("chain %d: invalid token address %q for %s", cc.ChainID, addr, symbol)
		}
		tokens[strings.ToUpper(symbol)] = common.HexToAddress(addr)
	}

	d := types.ChainDescriptor{
		ChainID:               cc.ChainID,
		Name:                  cc.Name,
		RPCURLs:               append([]string{cc.RPCURL}, cc.RPCFallbacks...),
		WSURL:                 cc.WSURL,
		ConfirmationDepth:     cc.ConfirmationDepth,
		MaxConfirmationWait:   cc.MaxConfirmationWait,
		PollInterval:          cc.PollInterval,
		Contracts:             contracts,
		Tokens:                tokens,
		MaxInFlight:           cc.MaxInFlight,
		RequestsPerSecond:     cc.RequestsPerSecond,
		DefaultGasLimit:       cc.DefaultGasLimit,
		PreconfirmationMethod: cc.PreconfirmationMethod,
	}
	if d.Name == "" {
		d.Name = fmt.Sprintf("chain-%d", d.ChainID)
	}
	if d.MaxConfirmationWait == 0 {
		d.MaxConfirmationWait = DEFAULT_CONFIRMATION_WAIT
	}
	if d.PollInterval == 0 {
		d.PollInterval = DEFAULT_CHAIN_POLL_INTERVAL
	}
	if d.MaxInFlight == 0 {
		d.MaxInFlight = DEFAULT_MAX_IN_FLIGHT
	}
	if d.RequestsPerSecond == 0 {
		d.RequestsPerSecond = DEFAULT_RPS
	}
	if d.DefaultGasLimit == 0 {
		d.DefaultGasLimit = DEFAULT_GAS_LIMIT
	}
	return d, nil
}

func (c *Configuration) ValidatorAddresses() []common.Address {
	addrs := make([]common.Address, 0, len(c.Validator.Addresses))
	for _, a := range c.Validator.Addresses {
		addrs = append(addrs, common.HexToAddress(a))
	}
	return addrs
}

// Redis keys used by the bridge
const (
	REDIS_TRANSFER_PREFIX   = "transfer:"
	REDIS_DEDUP_PREFIX      = "transfer:dedup:"
	REDIS_TASK_QUEUE        = "monitor:queue"
	REDIS_TASK_INFLIGHT     = "monitor:inflight"
	REDIS_TASK_PREFIX       = "monitor:task:"
	REDIS_JOB_QUEUE         = "bridge:jobs"
	REDIS_JOB_PROCESSING    = "bridge:jobs:processing"
	REDIS_JOB_DELAYED       = "bridge:jobs:delayed"
	REDIS_JOB_DEADLETTER    = "bridge:jobs:dead"
	REDIS_EVENTS_CHANNEL    = "bridge:events"
	REDIS_EVENTS_LOG        = "bridge:events:log"
	REDIS_SNAPSHOT_PREFIX   = "relay:snapshot:"
	REDIS_SIGSET_PREFIX     = "relay:set:"
	REDIS_SIGNATURES_PREFIX = "relay:sigs:"
)

// persisted status -> redis set of transfer ids
var RedisStatusSets = map[string]string{
	types.PersistedPending:    "bridgeops:pending",    // created, nothing sent on chain yet
	types.PersistedProcessing: "bridgeops:processing", // somewhere between source deposit and destination release
	types.PersistedCompleted:  "bridgeops:completed",  // destination release confirmed
	types.PersistedFailed:     "bridgeops:failed",     // terminal failure, see LastError
}
