package chainmanager

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tee-otc/settle-lib/common/types"
)

type blockchainRegistry struct {
	logger      *logrus.Logger
	chains      map[types.ChainType]types.Chain
	chainsMutex sync.RWMutex
	factory     interface {
		CreateChain(context.Context, *types.ChainConfig, *logrus.Logger) (types.Chain, error)
	}
	factoryMutex sync.RWMutex
}

// NewChainRegistry creates a registry that builds chains through the given
// factory. The registry is process-scoped state with explicit lifecycle:
// chains are added at startup and removed on shutdown.
func NewChainRegistry(factory interface {
	CreateChain(context.Context, *types.ChainConfig, *logrus.Logger) (types.Chain, error)
}, logger *logrus.Logger) types.ChainRegistry {
	return &blockchainRegistry{
		chains:  make(map[types.ChainType]types.Chain),
		factory: factory,
		logger:  logger,
	}
}

func (r *blockchainRegistry) Add(ctx context.Context, config *types.ChainConfig) error {
	// Lock factory for reading to prevent changes during chain creation.
	r.factoryMutex.RLock()
	chain, err := r.factory.CreateChain(ctx, config, r.logger)
	r.factoryMutex.RUnlock()

	if err != nil {
		return err
	}

	// Lock chains map for writing
	r.chainsMutex.Lock()
	r.chains[config.ChainType] = chain
	r.chainsMutex.Unlock()

	return nil
}

func (r *blockchainRegistry) Get(chainType types.ChainType) types.Chain {
	r.chainsMutex.RLock()
	chain := r.chains[chainType]
	r.chainsMutex.RUnlock()
	return chain
}

func (r *blockchainRegistry) Remove(chainType types.ChainType) {
	r.chainsMutex.Lock()
	delete(r.chains, chainType)
	r.chainsMutex.Unlock()
}
