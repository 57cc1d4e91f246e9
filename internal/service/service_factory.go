package service

import (
	"sync"
)

// ServiceFactory hands out the service singletons built from one set of dependencies.
type ServiceFactory struct {
	deps           Dependencies
	once           sync.Once
	accountService *AccountService
}

func NewServiceFactory(deps Dependencies) *ServiceFactory {
	return &ServiceFactory{deps: deps}
}

// AccountService returns the account service instance (singleton).
func (f *ServiceFactory) AccountService() *AccountService {
	f.once.Do(func() {
		f.accountService = NewAccountService(f.deps)
	})
	return f.accountService
}
