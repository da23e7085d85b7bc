package klist

import "testing"

func TestPushPop(t *testing.T) {
	var q List_t[int]
	q.PushBack(1)
	q.PushBack(2)
	q.PushBack(3)
	if q.Len() != 3 {
		t.Fatalf("len = %d, want 3", q.Len())
	}
	v, ok := q.PopFront()
	if !ok || v != 1 {
		t.Fatalf("popfront = %v, %v, want 1, true", v, ok)
	}
	sum := 0
	q.Each(func(v int) { sum += v })
	if sum != 5 {
		t.Fatalf("sum = %d, want 5", sum)
	}
}

func TestPopEmpty(t *testing.T) {
	var q List_t[string]
	_, ok := q.PopFront()
	if ok {
		t.Fatal("expected ok=false on empty queue")
	}
}
