package vm

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ---------------------------------------------------------------------------
// Class: runtime class descriptor
// ---------------------------------------------------------------------------

// Class describes a class known to a Program. Classes are immutable once the
// program has been linked.
type Class struct {
	Name       string   // fully qualified name
	Superclass *Class   // nil for Object
	Fields     []string // fields declared by this class (not inherited)
}

// IsSubclassOf returns true if c is a subclass of other (or is the same class).
func (c *Class) IsSubclassOf(other *Class) bool {
	if other == nil {
		return false
	}
	for current := c; current != nil; current = current.Superclass {
		if current == other {
			return true
		}
	}
	return false
}

// AllFields returns all field names including inherited ones, superclass first.
func (c *Class) AllFields() []string {
	if c.Superclass == nil {
		return c.Fields
	}
	inherited := c.Superclass.AllFields()
	result := make([]string, len(inherited)+len(c.Fields))
	copy(result, inherited)
	copy(result[len(inherited):], c.Fields)
	return result
}

// HasField reports whether the class or a superclass declares name.
func (c *Class) HasField(name string) bool {
	for current := c; current != nil; current = current.Superclass {
		for _, f := range current.Fields {
			if f == name {
				return true
			}
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Well-known classes
// ---------------------------------------------------------------------------

// Names of the classes every Program defines.
const (
	ClassObject               = "Object"
	ClassNumber               = "Number"
	ClassInt                  = "Int"
	ClassByte                 = "Byte"
	ClassShort                = "Short"
	ClassLong                 = "Long"
	ClassFloat                = "Float"
	ClassDouble               = "Double"
	ClassChar                 = "Char"
	ClassBoolean              = "Boolean"
	ClassString               = "String"
	ClassBytes                = "Bytes"
	ClassClass                = "Class"
	ClassThrowable            = "Throwable"
	ClassException            = "Exception"
	ClassRuntimeException     = "RuntimeException"
	ClassArithmeticException  = "ArithmeticException"
	ClassNullPointerException = "NullPointerException"
	ClassClassCastException   = "ClassCastException"
	ClassInterruptedException = "InterruptedException"
	ClassNativeException      = "NativeException"
)

// builtinHierarchy lists built-in classes in definition order with their
// superclass names.
var builtinHierarchy = []struct {
	name, super string
	fields      []string
}{
	{ClassObject, "", nil},
	{ClassNumber, ClassObject, nil},
	{ClassInt, ClassNumber, nil},
	{ClassByte, ClassNumber, nil},
	{ClassShort, ClassNumber, nil},
	{ClassLong, ClassNumber, nil},
	{ClassFloat, ClassNumber, nil},
	{ClassDouble, ClassNumber, nil},
	{ClassChar, ClassObject, nil},
	{ClassBoolean, ClassObject, nil},
	{ClassString, ClassObject, nil},
	{ClassBytes, ClassObject, nil},
	{ClassClass, ClassObject, nil},
	{ClassThrowable, ClassObject, []string{"message"}},
	{ClassException, ClassThrowable, nil},
	{ClassRuntimeException, ClassException, nil},
	{ClassArithmeticException, ClassRuntimeException, nil},
	{ClassNullPointerException, ClassRuntimeException, nil},
	{ClassClassCastException, ClassRuntimeException, nil},
	{ClassInterruptedException, ClassException, nil},
	{ClassNativeException, ClassRuntimeException, nil},
}

// boxClassNames maps primitive data types to the class of their boxed form.
var boxClassNames = map[DataType]string{
	TypeInt:     ClassInt,
	TypeByte:    ClassByte,
	TypeShort:   ClassShort,
	TypeLong:    ClassLong,
	TypeFloat:   ClassFloat,
	TypeDouble:  ClassDouble,
	TypeChar:    ClassChar,
	TypeBoolean: ClassBoolean,
	TypeString:  ClassString,
	TypeBytes:   ClassBytes,
	TypeClass:   ClassClass,
}

// ---------------------------------------------------------------------------
// Instance: heap object
// ---------------------------------------------------------------------------

// Instance is an object of a Class. Instances may be shared between execution
// contexts by reference; field access is synchronized.
type Instance struct {
	Class *Class

	mu     sync.RWMutex
	fields map[string]Value
}

// NewInstance creates an instance with all fields null.
func NewInstance(c *Class) *Instance {
	inst := &Instance{Class: c, fields: make(map[string]Value)}
	for _, f := range c.AllFields() {
		inst.fields[f] = nil
	}
	return inst
}

// Field returns the named field value.
func (o *Instance) Field(name string) (Value, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.fields[name]
	return v, ok
}

// SetField assigns a declared field. It returns false if the class does not
// declare the field.
func (o *Instance) SetField(name string, v Value) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.fields[name]; !ok {
		return false
	}
	o.fields[name] = v
	return true
}

// FieldNames returns the instance's field names in sorted order.
func (o *Instance) FieldNames() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, len(o.fields))
	for n := range o.fields {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// IsA reports whether the instance's class is className or a subclass of it.
func (o *Instance) IsA(className string) bool {
	for c := o.Class; c != nil; c = c.Superclass {
		if c.Name == className {
			return true
		}
	}
	return false
}

// Message returns the message field of an exception instance.
func (o *Instance) Message() string {
	v, _ := o.Field("message")
	s, _ := v.(string)
	return s
}

// String renders the instance for diagnostics.
func (o *Instance) String() string {
	if o.IsA(ClassThrowable) {
		if msg := o.Message(); msg != "" {
			return o.Class.Name + ": " + msg
		}
		return o.Class.Name
	}
	var sb strings.Builder
	sb.WriteString(o.Class.Name)
	sb.WriteByte('{')
	for i, name := range o.FieldNames() {
		if i > 0 {
			sb.WriteString(", ")
		}
		v, _ := o.Field(name)
		fmt.Fprintf(&sb, "%s: %s", name, FormatValue(v))
	}
	sb.WriteByte('}')
	return sb.String()
}
