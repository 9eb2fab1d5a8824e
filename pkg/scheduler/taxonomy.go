package scheduler

import (
	"fmt"
	"strings"

	"github.com/JailtonJunior94/datadispatch/pkg/catalog"
	"github.com/JailtonJunior94/datadispatch/pkg/linq"
)

// GetSettings devolve as settings correntes.
func (s *Scheduler) GetSettings() catalog.Settings {
	return s.store.Settings()
}

// UpdateSettings persiste os knobs de runtime e propaga os valores novos aos
// componentes vivos via o applier configurado. A taxonomia tem CRUD próprio e
// não é tocada por aqui.
func (s *Scheduler) UpdateSettings(settings catalog.Settings) (catalog.Settings, error) {
	if err := validateSettings(settings); err != nil {
		return catalog.Settings{}, err
	}

	err := s.store.Mutate(func(c *catalog.Catalog) error {
		settings.FinancialYears = c.Settings.FinancialYears
		settings.Partners = c.Settings.Partners
		settings.JobGroups = c.Settings.JobGroups
		settings.Stores = c.Settings.Stores
		settings.Operators = c.Settings.Operators
		settings.NotificationChannels = c.Settings.NotificationChannels
		c.Settings = settings
		return nil
	})
	if err != nil {
		return catalog.Settings{}, err
	}

	out := s.store.Settings()
	if s.apply != nil {
		s.apply(out)
	}
	return out, nil
}

func validateSettings(st catalog.Settings) error {
	if st.ConnectionTimeoutMs < 0 || st.RequestTimeoutMs < 0 || st.PoolMax < 0 ||
		st.IdleCloseMs < 0 || st.MaxConcurrentConnections < 0 ||
		st.MaxConcurrentJobs < 0 || st.RetryDelayMs < 0 {
		return fmt.Errorf("%w: settings values cannot be negative", catalog.ErrConfigInvalid)
	}
	if st.BackoffMultiplier < 0 {
		return fmt.Errorf("%w: backoffMultiplier cannot be negative", catalog.ErrConfigInvalid)
	}
	return nil
}

// AddFinancialYear acrescenta um ano fiscal à taxonomia.
func (s *Scheduler) AddFinancialYear(year string) error {
	return s.addTaxonomyValue("financial year", year,
		func(c *catalog.Catalog) *catalog.StringList { return &c.Settings.FinancialYears })
}

// DeleteFinancialYear remove um ano fiscal.
func (s *Scheduler) DeleteFinancialYear(year string) error {
	return s.removeTaxonomyValue("financial year", year,
		func(c *catalog.Catalog) *catalog.StringList { return &c.Settings.FinancialYears })
}

// AddPartner acrescenta um parceiro à taxonomia.
func (s *Scheduler) AddPartner(name string) error {
	return s.addTaxonomyValue("partner", name,
		func(c *catalog.Catalog) *catalog.StringList { return &c.Settings.Partners })
}

// DeletePartner remove um parceiro.
func (s *Scheduler) DeletePartner(name string) error {
	return s.removeTaxonomyValue("partner", name,
		func(c *catalog.Catalog) *catalog.StringList { return &c.Settings.Partners })
}

// AddJobGroup acrescenta um grupo de jobs à taxonomia.
func (s *Scheduler) AddJobGroup(name string) error {
	return s.addTaxonomyValue("job group", name,
		func(c *catalog.Catalog) *catalog.StringList { return &c.Settings.JobGroups })
}

// DeleteJobGroup remove um grupo de jobs.
func (s *Scheduler) DeleteJobGroup(name string) error {
	return s.removeTaxonomyValue("job group", name,
		func(c *catalog.Catalog) *catalog.StringList { return &c.Settings.JobGroups })
}

// addTaxonomyValue persiste um valor novo numa das listas da taxonomia,
// recusando duplicatas (comparação sem distinção de caixa).
func (s *Scheduler) addTaxonomyValue(kind, value string, list func(*catalog.Catalog) *catalog.StringList) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("%w: %s cannot be empty", catalog.ErrConfigInvalid, kind)
	}
	return s.store.Mutate(func(c *catalog.Catalog) error {
		target := list(c)
		dup := linq.Contains(*target, func(v string) bool { return strings.EqualFold(v, value) })
		if dup {
			return fmt.Errorf("%w: %s %q already exists", catalog.ErrConflict, kind, value)
		}
		*target = append(*target, value)
		return nil
	})
}

func (s *Scheduler) removeTaxonomyValue(kind, value string, list func(*catalog.Catalog) *catalog.StringList) error {
	return s.store.Mutate(func(c *catalog.Catalog) error {
		target := list(c)
		idx := linq.FindIndex(*target, func(v string) bool { return strings.EqualFold(v, value) })
		if idx < 0 {
			return fmt.Errorf("%s %q: %w", kind, value, catalog.ErrNotFound)
		}
		*target = append((*target)[:idx], (*target)[idx+1:]...)
		return nil
	})
}

// AddStore cadastra uma loja; o shortName é a chave natural.
func (s *Scheduler) AddStore(store catalog.Store) (catalog.Store, error) {
	if strings.TrimSpace(store.Name) == "" || strings.TrimSpace(store.ShortName) == "" {
		return catalog.Store{}, fmt.Errorf("%w: store needs name and shortName", catalog.ErrConfigInvalid)
	}
	if store.ID == "" {
		store.ID = s.newID()
	}

	err := s.store.Mutate(func(c *catalog.Catalog) error {
		for _, st := range c.Settings.Stores {
			if st.ID == store.ID || strings.EqualFold(st.ShortName, store.ShortName) {
				return fmt.Errorf("%w: store %q already exists", catalog.ErrConflict, store.ShortName)
			}
		}
		c.Settings.Stores = append(c.Settings.Stores, store)
		return nil
	})
	if err != nil {
		return catalog.Store{}, err
	}
	return store, nil
}

// UpdateStore substitui a loja pelo id.
func (s *Scheduler) UpdateStore(store catalog.Store) (catalog.Store, error) {
	if store.ID == "" {
		return catalog.Store{}, fmt.Errorf("%w: store id is required", catalog.ErrConfigInvalid)
	}
	if strings.TrimSpace(store.Name) == "" || strings.TrimSpace(store.ShortName) == "" {
		return catalog.Store{}, fmt.Errorf("%w: store needs name and shortName", catalog.ErrConfigInvalid)
	}

	err := s.store.Mutate(func(c *catalog.Catalog) error {
		idx := linq.FindIndex(c.Settings.Stores, func(st catalog.Store) bool { return st.ID == store.ID })
		if idx < 0 {
			return fmt.Errorf("store %q: %w", store.ID, catalog.ErrNotFound)
		}
		c.Settings.Stores[idx] = store
		return nil
	})
	if err != nil {
		return catalog.Store{}, err
	}
	return store, nil
}

// DeleteStore remove a loja pelo id.
func (s *Scheduler) DeleteStore(id string) error {
	return s.store.Mutate(func(c *catalog.Catalog) error {
		idx := linq.FindIndex(c.Settings.Stores, func(st catalog.Store) bool { return st.ID == id })
		if idx < 0 {
			return fmt.Errorf("store %q: %w", id, catalog.ErrNotFound)
		}
		c.Settings.Stores = append(c.Settings.Stores[:idx], c.Settings.Stores[idx+1:]...)
		return nil
	})
}

// AddOperator cadastra um operador; o nome é a chave natural.
func (s *Scheduler) AddOperator(op catalog.Operator) (catalog.Operator, error) {
	if strings.TrimSpace(op.Name) == "" {
		return catalog.Operator{}, fmt.Errorf("%w: operator name is required", catalog.ErrConfigInvalid)
	}
	if op.ID == "" {
		op.ID = s.newID()
	}

	err := s.store.Mutate(func(c *catalog.Catalog) error {
		for _, existing := range c.Settings.Operators {
			if existing.ID == op.ID || strings.EqualFold(existing.Name, op.Name) {
				return fmt.Errorf("%w: operator %q already exists", catalog.ErrConflict, op.Name)
			}
		}
		c.Settings.Operators = append(c.Settings.Operators, op)
		return nil
	})
	if err != nil {
		return catalog.Operator{}, err
	}
	return op, nil
}

// UpdateOperator substitui o operador pelo id.
func (s *Scheduler) UpdateOperator(op catalog.Operator) (catalog.Operator, error) {
	if op.ID == "" {
		return catalog.Operator{}, fmt.Errorf("%w: operator id is required", catalog.ErrConfigInvalid)
	}
	if strings.TrimSpace(op.Name) == "" {
		return catalog.Operator{}, fmt.Errorf("%w: operator name is required", catalog.ErrConfigInvalid)
	}

	err := s.store.Mutate(func(c *catalog.Catalog) error {
		idx := linq.FindIndex(c.Settings.Operators, func(o catalog.Operator) bool { return o.ID == op.ID })
		if idx < 0 {
			return fmt.Errorf("operator %q: %w", op.ID, catalog.ErrNotFound)
		}
		c.Settings.Operators[idx] = op
		return nil
	})
	if err != nil {
		return catalog.Operator{}, err
	}
	return op, nil
}

// DeleteOperator remove o operador pelo id.
func (s *Scheduler) DeleteOperator(id string) error {
	return s.store.Mutate(func(c *catalog.Catalog) error {
		idx := linq.FindIndex(c.Settings.Operators, func(o catalog.Operator) bool { return o.ID == id })
		if idx < 0 {
			return fmt.Errorf("operator %q: %w", id, catalog.ErrNotFound)
		}
		c.Settings.Operators = append(c.Settings.Operators[:idx], c.Settings.Operators[idx+1:]...)
		return nil
	})
}

// AddNotificationChannel cadastra um canal de notificação; o nome é a chave
// natural.
func (s *Scheduler) AddNotificationChannel(ch catalog.NotificationChannel) (catalog.NotificationChannel, error) {
	if strings.TrimSpace(ch.Name) == "" || strings.TrimSpace(ch.Target) == "" {
		return catalog.NotificationChannel{}, fmt.Errorf("%w: notification channel needs name and target", catalog.ErrConfigInvalid)
	}
	if ch.ID == "" {
		ch.ID = s.newID()
	}

	err := s.store.Mutate(func(c *catalog.Catalog) error {
		for _, existing := range c.Settings.NotificationChannels {
			if existing.ID == ch.ID || strings.EqualFold(existing.Name, ch.Name) {
				return fmt.Errorf("%w: notification channel %q already exists", catalog.ErrConflict, ch.Name)
			}
		}
		c.Settings.NotificationChannels = append(c.Settings.NotificationChannels, ch)
		return nil
	})
	if err != nil {
		return catalog.NotificationChannel{}, err
	}
	return ch, nil
}

// UpdateNotificationChannel substitui o canal pelo id.
func (s *Scheduler) UpdateNotificationChannel(ch catalog.NotificationChannel) (catalog.NotificationChannel, error) {
	if ch.ID == "" {
		return catalog.NotificationChannel{}, fmt.Errorf("%w: notification channel id is required", catalog.ErrConfigInvalid)
	}
	if strings.TrimSpace(ch.Name) == "" || strings.TrimSpace(ch.Target) == "" {
		return catalog.NotificationChannel{}, fmt.Errorf("%w: notification channel needs name and target", catalog.ErrConfigInvalid)
	}

	err := s.store.Mutate(func(c *catalog.Catalog) error {
		idx := linq.FindIndex(c.Settings.NotificationChannels,
			func(n catalog.NotificationChannel) bool { return n.ID == ch.ID })
		if idx < 0 {
			return fmt.Errorf("notification channel %q: %w", ch.ID, catalog.ErrNotFound)
		}
		c.Settings.NotificationChannels[idx] = ch
		return nil
	})
	if err != nil {
		return catalog.NotificationChannel{}, err
	}
	return ch, nil
}

// DeleteNotificationChannel remove o canal pelo id.
func (s *Scheduler) DeleteNotificationChannel(id string) error {
	return s.store.Mutate(func(c *catalog.Catalog) error {
		idx := linq.FindIndex(c.Settings.NotificationChannels,
			func(n catalog.NotificationChannel) bool { return n.ID == id })
		if idx < 0 {
			return fmt.Errorf("notification channel %q: %w", id, catalog.ErrNotFound)
		}
		c.Settings.NotificationChannels = append(
			c.Settings.NotificationChannels[:idx], c.Settings.NotificationChannels[idx+1:]...)
		return nil
	})
}
