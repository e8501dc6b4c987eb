package list

func (l *List[T]) IsEmpty() bool {
	return l.len == 0
}
