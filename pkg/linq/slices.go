// Package linq traz helpers genéricos de slice usados pelo catálogo e pelo
// scheduler. Nenhuma função modifica o slice original.
package linq

// Predicate testa uma condição sobre um elemento.
type Predicate[T any] func(T) bool

// Transform converte um elemento do tipo I para o tipo O.
type Transform[I, O any] func(I) O

// Filter retorna um novo slice apenas com os elementos que satisfazem fn.
// Retorna nil se items for nil.
func Filter[T any](items []T, fn Predicate[T]) []T {
	if items == nil {
		return nil
	}

	var result []T
	for _, item := range items {
		if fn(item) {
			result = append(result, item)
		}
	}
	return result
}

// Find retorna o primeiro elemento que satisfaz fn e true, ou o valor zero
// de T e false quando nenhum elemento satisfaz.
func Find[T any](items []T, fn Predicate[T]) (T, bool) {
	for _, item := range items {
		if fn(item) {
			return item, true
		}
	}
	var empty T
	return empty, false
}

// FindIndex retorna o índice do primeiro elemento que satisfaz fn, ou -1.
func FindIndex[T any](items []T, fn Predicate[T]) int {
	for i, item := range items {
		if fn(item) {
			return i
		}
	}
	return -1
}

// Remove retorna um novo slice sem os elementos que satisfazem fn.
// Retorna nil se items for nil.
func Remove[T any](items []T, fn Predicate[T]) []T {
	if items == nil {
		return nil
	}

	result := make([]T, 0, len(items))
	for _, item := range items {
		if !fn(item) {
			result = append(result, item)
		}
	}
	return result
}

// Map transforma cada elemento com fn e retorna o novo slice.
// Retorna nil se items for nil.
func Map[I, O any](items []I, fn Transform[I, O]) []O {
	if items == nil {
		return nil
	}

	result := make([]O, len(items))
	for i, item := range items {
		result[i] = fn(item)
	}
	return result
}

// Contains informa se algum elemento satisfaz fn.
func Contains[T any](items []T, fn Predicate[T]) bool {
	return FindIndex(items, fn) >= 0
}
